// internal/app/prompt.go
package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/petervdpas/goopcall/internal/config"
)

// PromptInteractive walks through the settings a new client needs. On an
// invalid result it reports the problem and returns cfg unchanged.
func PromptInteractive(r io.Reader, w io.Writer, dir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)
	orig := cfg

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "Goop call client setup")
	fmt.Fprintf(w, " Client folder : %s\n", dir)
	fmt.Fprintf(w, " Config file   : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.Identity.UserID = askString(in, w, "User id", cfg.Identity.UserID)
	cfg.Identity.DisplayName = askString(in, w, "Display name", cfg.Identity.DisplayName)
	cfg.Identity.Token = askString(in, w, "Access token", cfg.Identity.Token)

	cfg.Signaling.URL = askString(in, w, "Signaling URL", cfg.Signaling.URL)
	cfg.API.BaseURL = askString(in, w, "REST API base URL", cfg.API.BaseURL)
	cfg.Viewer.HTTPAddr = askString(in, w, "Viewer HTTP addr (empty=off)", cfg.Viewer.HTTPAddr)

	cfg.Media.Video = askBool(in, w, "Send video on video calls", cfg.Media.Video)
	cfg.Call.IncomingRingSec = askInt(in, w, "Incoming ring seconds", cfg.Call.IncomingRingSec)
	cfg.Call.OutgoingRingSec = askInt(in, w, "Outgoing ring seconds", cfg.Call.OutgoingRingSec)

	cfg.History.Enabled = askBool(in, w, "Keep call history", cfg.History.Enabled)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping previous settings.\n", err)
		return orig
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
