package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
)

// Version is set at build time with -ldflags "-X skydiff/internal/cli.Version=...".
var Version = "dev"

func (r *Root) configShow() error {
	cfgPath := os.Getenv("SKYDIFF_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/skydiff/config.yaml"
	}
	fmt.Fprintf(r.out, "# config file: %s\n", cfgPath)
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(r.cfg)
}

func (r *Root) configValidate() error {
	if err := r.cfg.Validate(); err != nil {
		return err
	}
	r.log.Info("configuration validation", "status", "valid")
	fmt.Fprintln(r.out, "configuration is valid")
	return nil
}

func (r *Root) cmdVersion() {
	fmt.Fprintf(r.out, "skydiff %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
