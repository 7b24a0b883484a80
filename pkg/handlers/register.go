package handlers

import "github.com/harun/p42r/pkg/action"

// Register adds every built-in handler to reg.
func Register(reg *action.Registry, cfg Config) error {
	cfg = cfg.withDefaults()
	for _, h := range []action.Handler{
		NewExecShell(cfg),
		NewListProcesses(cfg),
		NewKillProcess(cfg),
		NewCaptureScreenshot(cfg),
		NewSystemInfo(cfg),
	} {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
