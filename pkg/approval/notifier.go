package approval

import (
	"go.uber.org/zap"

	"github.com/reflexsec/reflex/pkg/runtime"
)

// Notifier pushes approval traffic to approvers. Production wiring points
// this at chat or paging; the default logs.
type Notifier interface {
	ApprovalRequested(req *runtime.ApprovalRequest, roles []string)
	ApprovalEscalated(req *runtime.ApprovalRequest, level int, roles []string)
}

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) ApprovalRequested(req *runtime.ApprovalRequest, roles []string) {
	n.Logger.Info("approval requested",
		zap.String("request_id", req.ID),
		zap.String("execution_id", req.ExecutionID),
		zap.String("action_id", req.ActionID),
		zap.String("gate", req.GateName),
		zap.Int("required", req.Required),
		zap.Strings("roles", roles),
		zap.Strings("approvers", req.Approvers))
}

func (n LogNotifier) ApprovalEscalated(req *runtime.ApprovalRequest, level int, roles []string) {
	n.Logger.Warn("approval escalated",
		zap.String("request_id", req.ID),
		zap.String("action_id", req.ActionID),
		zap.String("gate", req.GateName),
		zap.Int("level", level),
		zap.Strings("roles", roles))
}
