package pipeline

// Registry is the static hook-name -> execution-mode table of §3/§4.2.
// It is a plain map, not a database table: the set of hook points is part of
// the deployed code, not tenant-configurable state.
var Registry = map[HookName]HookMode{
	HookBeforeSignin:  ModeBlocking,
	HookPostSignin:    ModeAsync,
	HookBeforeSignup:  ModeBlocking,
	HookPostSignup:    ModeAsync,
	HookBeforeSignout: ModeAsync,
	HookTokenIssuance: ModeEnrichment,
	HookBeforeCheck:   ModeEnrichment,
	HookBeforeWebhook: ModeBlocking,
}

// ModeFor returns the configured mode for hook, and whether it is registered.
func ModeFor(hook HookName) (HookMode, bool) {
	m, ok := Registry[hook]
	return m, ok
}
