package theme

import (
	"os"
	"strings"
)

// SymbolSet holds the glyphs the monitor draws.
type SymbolSet struct {
	Online  string
	Offline string
	Frozen  string
	Warning string
	Bullet  string
	ArrowR  string
}

var unicodeSymbols = SymbolSet{
	Online:  "\u25CF", // ●
	Offline: "\u25CB", // ○
	Frozen:  "\u2744", // ❄
	Warning: "\u26A0", // ⚠
	Bullet:  "\u2022", // •
	ArrowR:  "\u2192", // →
}

var asciiSymbols = SymbolSet{
	Online:  "(*)",
	Offline: "( )",
	Frozen:  "[F]",
	Warning: "[!]",
	Bullet:  "*",
	ArrowR:  "->",
}

// DetectUnicodeSupport reports whether the terminal likely renders Unicode,
// judged by the first set locale variable. M2DASH_ASCII_SYMBOLS=1 forces ASCII.
func DetectUnicodeSupport() bool {
	if v := os.Getenv("M2DASH_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if val != "" {
			return strings.Contains(val, "utf-8") || strings.Contains(val, "utf8")
		}
	}
	return true
}

// InitSymbols picks the symbol set for the current terminal. It runs at init
// and may be called again when the environment changes.
func InitSymbols() {
	set := unicodeSymbols
	if !DetectUnicodeSupport() {
		set = asciiSymbols
	}
	SymbolOnline = set.Online
	SymbolOffline = set.Offline
	SymbolFrozen = set.Frozen
	SymbolWarning = set.Warning
	SymbolBullet = set.Bullet
	SymbolArrowR = set.ArrowR
}

func init() {
	InitSymbols()
}
