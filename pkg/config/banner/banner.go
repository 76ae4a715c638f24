// Package banner prints the gotchatd startup summary.
package banner

import (
	"fmt"
	"io"

	"github.com/antonitor/gotchat/pkg/config"
)

const banner = `
  __ _  ___ | |_ ___| |__   __ _| |_ __| |
 / _' |/ _ \| __/ __| '_ \ / _' | __/ _' |
| (_| | (_) | || (__| | | | (_| | || (_| |
 \__, |\___/ \__\___|_| |_|\__,_|\__\__,_|
 |___/
`

// Print writes the banner and a readiness checklist for eff to w.
func Print(w io.Writer, eff config.EffectiveConfigResult, version string) {
	cfg := eff.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	fmt.Fprint(w, banner)
	fmt.Fprintln(w, "== Config =====================================================")
	fmt.Fprintf(w, "API:      %s\n", eff.Addr)
	fmt.Fprintf(w, "Push:     %s\n", eff.PushAddr)
	fmt.Fprintf(w, "Backend:  %s\n", cfg.Storage.Backend)
	if cfg.Storage.Backend == config.BackendLocal {
		fmt.Fprintf(w, "DB Path:  %s\n", eff.DBPath)
	}
	if version != "" {
		fmt.Fprintf(w, "Version:  %s\n", version)
	}
	fmt.Fprintf(w, "Config:   %s\n", eff.Source)

	fmt.Fprintln(w, "\n== Production? =================================================")
	if cfg.Server.AdminKey != "" {
		fmt.Fprintln(w, "- Admin key: OK")
	} else {
		fmt.Fprintln(w, "- Admin key: MISSING (room revocation disabled)")
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		fmt.Fprintf(w, "- Allowed origins: %d\n", len(cfg.Server.AllowedOrigins))
	} else {
		fmt.Fprintln(w, "- Allowed origins: same host only")
	}
	switch cfg.Upload.Mode {
	case config.UploadS3:
		fmt.Fprintf(w, "- Photos: s3://%s (max %s)\n", cfg.Upload.S3.Bucket, cfg.Upload.MaxSize)
	case config.UploadOff:
		fmt.Fprintln(w, "- Photos: disabled")
	default:
		fmt.Fprintf(w, "- Photos: directory (max %s)\n", cfg.Upload.MaxSize)
	}
	if cfg.Maintenance.Enabled {
		fmt.Fprintf(w, "- Compaction: enabled (cron=%s)\n", cfg.Maintenance.Cron)
	} else {
		fmt.Fprintln(w, "- Compaction: disabled")
	}
}
