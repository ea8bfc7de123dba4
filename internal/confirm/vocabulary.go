package confirm

import "strings"

// 信号词表是封闭的：既支持表情回应，也支持简短的文字答复。
// 表情在归一化时剥离呈现选择符、肤色修饰符和零宽连接符，保证同一个
// 手势的各种编码变体分类一致。

var affirmativeReactions = map[string]struct{}{
	"👍": {}, "✅": {}, "☑": {}, "✔": {}, "👌": {}, "🆗": {},
	"+1": {}, "thumbsup": {}, "thumbs_up": {}, "white_check_mark": {}, "heavy_check_mark": {}, "ok_hand": {},
}

var negativeReactions = map[string]struct{}{
	"👎": {}, "❌": {}, "✖": {}, "🚫": {}, "🙅": {},
	"-1": {}, "thumbsdown": {}, "thumbs_down": {}, "x": {}, "no_entry_sign": {},
}

var affirmativeWords = map[string]struct{}{
	"yes": {}, "y": {}, "yeah": {}, "yep": {}, "confirm": {}, "confirmed": {},
	"approve": {}, "approved": {}, "ok": {}, "okay": {}, "sure": {},
	"do it": {}, "go": {}, "go ahead": {}, "ship it": {}, "lgtm": {},
	"是": {}, "好": {}, "确认": {}, "可以": {}, "同意": {},
}

var negativeWords = map[string]struct{}{
	"no": {}, "n": {}, "nope": {}, "cancel": {}, "abort": {}, "stop": {},
	"deny": {}, "denied": {}, "reject": {}, "rejected": {}, "not now": {},
	"不": {}, "不要": {}, "取消": {}, "算了": {},
}

// classifyReaction 判断一个表情回应是肯定、否定还是无关信号。
func classifyReaction(key string) (affirmative, recognised bool) {
	normalized := normalizeReaction(key)
	if normalized == "" {
		return false, false
	}
	if _, ok := affirmativeReactions[normalized]; ok {
		return true, true
	}
	if _, ok := negativeReactions[normalized]; ok {
		return false, true
	}
	return false, false
}

// classifyText 判断一条消息正文是否是确认答复。
func classifyText(body string) (affirmative, recognised bool) {
	normalized := normalizeText(body)
	if normalized == "" {
		return false, false
	}
	if _, ok := affirmativeWords[normalized]; ok {
		return true, true
	}
	if _, ok := negativeWords[normalized]; ok {
		return false, true
	}
	return false, false
}

// normalizeReaction 统一表情键的写法：去掉 shortcode 冒号、转小写，
// 并剥离不改变语义的修饰码位。
func normalizeReaction(key string) string {
	trimmed := strings.TrimSpace(key)
	trimmed = strings.Trim(trimmed, ":")
	trimmed = strings.ToLower(trimmed)

	var b strings.Builder
	for _, r := range trimmed {
		switch {
		case r == 0xFE0E || r == 0xFE0F: // 文本/表情呈现选择符
			continue
		case r == 0x200D: // 零宽连接符
			continue
		case r >= 0x1F3FB && r <= 0x1F3FF: // 肤色修饰符
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// normalizeText 统一文字答复：转小写、压缩空白、去掉结尾标点。
func normalizeText(body string) string {
	trimmed := strings.ToLower(strings.TrimSpace(body))
	trimmed = strings.Join(strings.Fields(trimmed), " ")
	return strings.TrimRight(trimmed, "!.?。！？…~")
}
