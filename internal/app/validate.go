package app

import (
	"fmt"
	"net"

	"github.com/antonitor/gotchat/pkg/config"
)

// validateConfig adds the checks that only matter when both listeners run
// in one process.
func validateConfig(eff config.EffectiveConfigResult) error {
	if err := config.ValidateConfig(eff); err != nil {
		return err
	}
	if _, port, _ := net.SplitHostPort(eff.Addr); port != "0" && eff.Addr == eff.PushAddr {
		return fmt.Errorf("api and push listeners share %s; set -push-addr", eff.Addr)
	}
	return nil
}
