package daemon

import (
	"context"

	"github.com/sigreer/diskd/internal/diskerr"
	"github.com/sigreer/diskd/internal/policy"
)

// AuthorizeAndExecute runs op only if the caller attached to ctx may perform
// actionID. A missing caller or a denial is NotAuthorized and op is not run.
func (d *Daemon) AuthorizeAndExecute(ctx context.Context, actionID string, op func(context.Context) error) error {
	caller, ok := policy.CallerFromContext(ctx)
	if !ok {
		d.metrics.authDecisions.WithLabelValues(actionID, "no_caller").Inc()
		return diskerr.New(diskerr.NotAuthorized, "no caller identity for %s", actionID)
	}

	log := d.log.WithValues("action", actionID, "uid", caller.UID, "pid", caller.PID)
	allowed, err := d.policy.IsAuthorized(ctx, caller, actionID)
	if err != nil {
		d.metrics.authDecisions.WithLabelValues(actionID, "error").Inc()
		log.Error(err, "Authorization check failed")
		return diskerr.Wrap(diskerr.Failed, err, "failed to check authorization")
	}
	if !allowed {
		d.metrics.authDecisions.WithLabelValues(actionID, "denied").Inc()
		log.Info("Denied")
		return diskerr.New(diskerr.NotAuthorized, "not authorized to perform %s", actionID)
	}

	d.metrics.authDecisions.WithLabelValues(actionID, "allowed").Inc()
	log.V(1).Info("Authorized")
	return op(ctx)
}
