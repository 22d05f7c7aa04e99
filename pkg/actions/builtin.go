package actions

import (
	"context"
	"fmt"
	"time"
)

// Built-in action kinds. These simulate their side effect and record what
// they would have done; production deployments replace them with handlers
// that call the real identity provider, firewall, and notification systems.
const (
	KindRevokeSessions = "revoke_sessions"
	KindResetPassword  = "reset_password"
	KindDisableAccount = "disable_account"
	KindBlockIP        = "block_ip"
	KindNotifyUser     = "notify_user"
	KindWebhook        = "webhook"
)

// RegisterBuiltins installs the simulated handlers for every built-in kind.
func RegisterBuiltins(r *Registry) {
	r.Register(KindRevokeSessions, HandlerFunc(revokeSessions))
	r.Register(KindResetPassword, HandlerFunc(resetPassword))
	r.Register(KindDisableAccount, HandlerFunc(disableAccount))
	r.Register(KindBlockIP, HandlerFunc(blockIP))
	r.Register(KindNotifyUser, HandlerFunc(notifyUser))
	r.Register(KindWebhook, HandlerFunc(webhook))
}

func simulated(kind string, ec Context, extra map[string]any) map[string]any {
	out := map[string]any{
		"simulated": true,
		"kind":      kind,
		"target":    ec.TargetID,
		"at":        time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func revokeSessions(ctx context.Context, params map[string]any, ec Context) (map[string]any, error) {
	scope, _ := params["scope"].(string)
	if scope == "" {
		scope = "all"
	}
	return simulated(KindRevokeSessions, ec, map[string]any{"scope": scope}), nil
}

func resetPassword(ctx context.Context, params map[string]any, ec Context) (map[string]any, error) {
	return simulated(KindResetPassword, ec, map[string]any{
		"notify_channel": params["notify_channel"],
	}), nil
}

func disableAccount(ctx context.Context, params map[string]any, ec Context) (map[string]any, error) {
	return simulated(KindDisableAccount, ec, nil), nil
}

func blockIP(ctx context.Context, params map[string]any, ec Context) (map[string]any, error) {
	ip, _ := params["ip"].(string)
	if ip == "" {
		// Fall back to the source address the detector attached.
		ip, _ = ec.Incident["source_ip"].(string)
	}
	if ip == "" {
		return nil, fmt.Errorf("block_ip: no ip in params or incident context")
	}
	return simulated(KindBlockIP, ec, map[string]any{"ip": ip}), nil
}

func notifyUser(ctx context.Context, params map[string]any, ec Context) (map[string]any, error) {
	channel, _ := params["channel"].(string)
	if channel == "" {
		channel = "email"
	}
	return simulated(KindNotifyUser, ec, map[string]any{"channel": channel}), nil
}

func webhook(ctx context.Context, params map[string]any, ec Context) (map[string]any, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("webhook: params.url is required")
	}
	return simulated(KindWebhook, ec, map[string]any{"url": url}), nil
}
