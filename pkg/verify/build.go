package verify

import (
	"fmt"

	"muster/pkg/config"
	"muster/pkg/runner"
)

// FromConfig builds the strategies declared in cfg. Checks shell out
// through r.
func FromConfig(cfg config.VerificationConfig, r runner.Runner) ([]Strategy, error) {
	out := make([]Strategy, 0, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		s := Strategy{TaskType: sc.TaskType}
		for _, cc := range sc.Checks {
			var c Check
			switch cc.Type {
			case config.CheckTrail:
				c = TrailCheck{}
			case config.CheckCommand:
				if len(cc.Command) == 0 {
					return nil, fmt.Errorf("strategy %s: command check without command", sc.TaskType)
				}
				c = NewCommandCheck(cc.Name, cc.Command, r)
			case config.CheckGitDiff:
				c = NewGitDiffCheck(r)
			default:
				return nil, fmt.Errorf("strategy %s: unknown check type %q", sc.TaskType, cc.Type)
			}
			s.Checks = append(s.Checks, WithTimeout(c, cc.Timeout.Duration))
		}
		out = append(out, s)
	}
	return out, nil
}
