package banner

import (
	"fmt"

	"golang.org/x/text/encoding/charmap"
)

// DecodeWindows1252 reads b as Windows-1252 text and returns it as UTF-8.
func DecodeWindows1252(b []byte) ([]byte, error) {
	out, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("decode windows-1252: %w", err)
	}
	return out, nil
}
