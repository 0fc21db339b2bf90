package policy

import (
	"time"

	"github.com/keithlinneman/quotaguard/internal/ratelimit"
)

const SourceDefaults = "defaults"

// limit classes shared by the default tables
var (
	moderate     = ratelimit.Limit{MaxRequests: 10, Window: time.Minute}
	highRisk     = ratelimit.Limit{MaxRequests: 5, Window: 5 * time.Minute}
	frequent     = ratelimit.Limit{MaxRequests: 20, Window: time.Minute}
	veryFrequent = ratelimit.Limit{MaxRequests: 30, Window: time.Minute}
	healthProbe  = ratelimit.Limit{MaxRequests: 30, Window: time.Minute}
)

// DefaultMutationTable is the per-user policy for state-changing operations.
func DefaultMutationTable() ratelimit.Table {
	return ratelimit.NewTable(map[string]ratelimit.Limit{
		"create_document":         moderate,
		"create_folder":           moderate,
		"rename_document":         moderate,
		"share_document":          moderate,
		"delete_document":         highRisk,
		"delete_folder":           highRisk,
		"change_member_role":      highRisk,
		"send_invitation_email":   highRisk,
		"add_comment":             frequent,
		"move_document":           frequent,
		"save_document_content":   veryFrequent,
		"update_document_content": veryFrequent,
	})
}

// DefaultAPITable is the per-client-IP policy for HTTP endpoints. Keys are
// the action names the HTTP handlers register their routes under.
func DefaultAPITable() ratelimit.Table {
	return ratelimit.NewTable(map[string]ratelimit.Limit{
		"healthz": healthProbe,
		"readyz":  healthProbe,
	})
}

// Defaults returns the built-in policy used when no source is configured.
func Defaults() *Policy {
	return &Policy{
		Mutation: DefaultMutationTable(),
		API:      DefaultAPITable(),
		Source:   SourceDefaults,
	}
}
