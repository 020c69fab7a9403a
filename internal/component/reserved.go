package component

// reservedKeywords rejects property/component names that collide with
// JavaScript/TypeScript or Python reserved words, the two client SDK
// languages implied by spec.md §6's codegen contract.
var reservedKeywords = buildReservedSet(
	// JavaScript / TypeScript reserved words.
	"break", "case", "catch", "class", "const", "continue", "debugger",
	"default", "delete", "do", "else", "enum", "export", "extends", "false",
	"finally", "for", "function", "if", "import", "in", "instanceof", "new",
	"null", "return", "super", "switch", "this", "throw", "true", "try",
	"typeof", "var", "void", "while", "with", "yield", "let", "static",
	"implements", "interface", "package", "private", "protected", "public",
	"await", "async", "type", "namespace", "declare", "readonly", "as",
	"from", "of", "get", "set", "constructor",

	// Python reserved words.
	"and", "as", "assert", "async", "await", "break", "class", "continue",
	"def", "del", "elif", "else", "except", "finally", "for", "from",
	"global", "if", "import", "in", "is", "lambda", "nonlocal", "not",
	"or", "pass", "raise", "return", "try", "while", "with", "yield",
	"None", "True", "False", "none", "true", "false", "self", "cls",
)

func buildReservedSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// IsReservedKeyword reports whether name collides with a JS/TS or Python
// reserved word, checked case-sensitively as spec.md §3 requires.
func IsReservedKeyword(name string) bool {
	_, ok := reservedKeywords[name]
	return ok
}
