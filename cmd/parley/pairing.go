package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/skip2/go-qrcode"
	"golang.org/x/term"
)

// printPairingCodes renders WhatsApp pairing codes until codes closes.
func printPairingCodes(out io.Writer, codes <-chan string, logger *slog.Logger) {
	interactive := isTerminal(out)
	for code := range codes {
		if !interactive {
			continue
		}
		if err := renderQR(out, code); err != nil {
			logger.Warn("failed to render pairing code", "error", err)
		}
	}
}

// renderQR writes code as a QR code drawn with block characters.
func renderQR(out io.Writer, code string) error {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode pairing code: %w", err)
	}
	_, err = fmt.Fprintf(out, "Scan with WhatsApp > Linked devices:\n%s\n", qr.ToSmallString(false))
	return err
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
