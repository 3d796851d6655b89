// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package recovery

import "sort"

// ActionType names a remediation step.
type ActionType string

const (
	ActionRetry              ActionType = "retry"
	ActionRetryWithBackoff   ActionType = "retry_with_backoff"
	ActionWait               ActionType = "wait"
	ActionReduceFrequency    ActionType = "reduce_frequency"
	ActionCheckNetwork       ActionType = "check_network"
	ActionIncreaseTimeout    ActionType = "increase_timeout"
	ActionReauthenticate     ActionType = "reauthenticate"
	ActionCheckCredentials   ActionType = "check_credentials"
	ActionRefreshSession     ActionType = "refresh_session"
	ActionCheckPermissions   ActionType = "check_permissions"
	ActionCheckQuota         ActionType = "check_quota"
	ActionUpgradePlan        ActionType = "upgrade_plan"
	ActionModifyRequest      ActionType = "modify_request"
	ActionCheckConfig        ActionType = "check_config"
	ActionResetConfig        ActionType = "reset_config"
	ActionRestoreBackup      ActionType = "restore_backup"
	ActionCheckStatus        ActionType = "check_status"
	ActionWaitForMaintenance ActionType = "wait_for_maintenance"
	ActionRephrase           ActionType = "rephrase"
	ActionReviewPolicy       ActionType = "review_policy"
	ActionContactSupport     ActionType = "contact_support"
)

// Action is a suggested remediation. Lower Priority runs first. Automatic
// actions may be taken without operator involvement.
type Action struct {
	Type        ActionType
	Description string
	Priority    int
	Automatic   bool
}

func auto(t ActionType, priority int, desc string) Action {
	return Action{Type: t, Priority: priority, Automatic: true, Description: desc}
}

func manual(t ActionType, priority int, desc string) Action {
	return Action{Type: t, Priority: priority, Description: desc}
}

var actionTable = map[Kind][]Action{
	KindNetwork: {
		auto(ActionRetryWithBackoff, 1, "Retry with exponential backoff"),
		manual(ActionCheckNetwork, 2, "Check your network connection"),
	},
	KindTimeout: {
		auto(ActionRetry, 1, "Retry the request"),
		manual(ActionIncreaseTimeout, 2, "Increase timeout_ms in the configuration"),
	},
	KindConnection: {
		auto(ActionRetryWithBackoff, 1, "Retry with exponential backoff"),
		manual(ActionCheckNetwork, 2, "Check network, proxy and firewall settings"),
	},
	KindAPI: {
		manual(ActionCheckStatus, 1, "Check the provider status page"),
		manual(ActionContactSupport, 2, "Contact support if the problem persists"),
	},
	KindRateLimitExceeded: {
		auto(ActionWait, 1, "Wait for the rate limit window to reset"),
		auto(ActionReduceFrequency, 2, "Reduce request frequency"),
	},
	KindQuotaExceeded: {
		manual(ActionCheckQuota, 1, "Check usage and billing limits"),
		manual(ActionUpgradePlan, 2, "Upgrade the account plan"),
	},
	KindInvalidRequest: {
		manual(ActionModifyRequest, 1, "Check the request parameters"),
	},
	KindAuthentication: {
		manual(ActionReauthenticate, 1, "Authenticate again"),
		manual(ActionCheckCredentials, 2, "Verify the API key or login"),
	},
	KindInvalidCredentials: {
		manual(ActionCheckCredentials, 1, "Verify the API key or login"),
		manual(ActionReauthenticate, 2, "Authenticate again"),
	},
	KindSessionExpired: {
		auto(ActionRefreshSession, 1, "Refresh the session"),
		manual(ActionReauthenticate, 2, "Authenticate again"),
	},
	KindAccessDenied: {
		manual(ActionCheckPermissions, 1, "Check account permissions for this model"),
	},
	KindConfiguration: {
		manual(ActionCheckConfig, 1, "Review the configuration"),
		manual(ActionResetConfig, 2, "Reset the configuration to defaults"),
	},
	KindInvalidConfig: {
		manual(ActionCheckConfig, 1, "Fix the reported configuration fields"),
		manual(ActionRestoreBackup, 2, "Restore a configuration backup"),
	},
	KindServiceUnavailable: {
		auto(ActionRetryWithBackoff, 1, "Retry with exponential backoff"),
		manual(ActionCheckStatus, 2, "Check the provider status page"),
	},
	KindMaintenance: {
		manual(ActionWaitForMaintenance, 1, "Wait for maintenance to finish"),
		manual(ActionCheckStatus, 2, "Check the provider status page"),
	},
	KindContentFilter: {
		manual(ActionRephrase, 1, "Rephrase the message"),
	},
	KindPolicyViolation: {
		manual(ActionRephrase, 1, "Rephrase the message"),
		manual(ActionReviewPolicy, 2, "Review the provider usage policy"),
	},
	KindUnknown: {
		manual(ActionRetry, 1, "Try again"),
		manual(ActionContactSupport, 2, "Contact support if the problem persists"),
	},
}

// ActionsFor returns the actions for kind sorted by ascending priority.
func ActionsFor(kind Kind) []Action {
	src, ok := actionTable[kind]
	if !ok {
		src = actionTable[KindUnknown]
	}
	out := append([]Action(nil), src...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// HasAutomaticAction reports whether any action is automatic.
func HasAutomaticAction(actions []Action) bool {
	for _, a := range actions {
		if a.Automatic {
			return true
		}
	}
	return false
}
