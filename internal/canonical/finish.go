package canonical

// finishReasons maps provider-native stop vocabularies onto OpenAI finish
// reasons. Reasons not listed pass through verbatim.
var finishReasons = map[string]string{
	"end_turn":      FinishStop,
	"stop_sequence": FinishStop,
	"max_tokens":    FinishLength,
	"tool_use":      "tool_calls",
}

// FinishReason translates a native stop reason. An empty reason means the
// provider stopped normally.
func FinishReason(native string) string {
	if native == "" {
		return FinishStop
	}
	if r, ok := finishReasons[native]; ok {
		return r
	}
	return native
}
