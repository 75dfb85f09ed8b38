package terminal

// Key sequences understood by the unit's menu UI.
var (
	KeyEscape = []byte{esc}
	KeyEnter  = []byte{cr}
	KeyUp     = []byte{esc, csi, 'A'}
	KeyDown   = []byte{esc, csi, 'B'}
)

// Line returns text followed by the enter key, as typed at a prompt.
func Line(text string) []byte {
	b := make([]byte, 0, len(text)+len(KeyEnter))
	b = append(b, text...)
	return append(b, KeyEnter...)
}
