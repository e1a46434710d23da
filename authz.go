package mqtt311

import (
	"context"
	"net"
	"sync"
)

// AuthzAction represents an authorization action.
type AuthzAction int

const (
	// AuthzActionPublish represents a publish action.
	AuthzActionPublish AuthzAction = 0
	// AuthzActionSubscribe represents a subscribe action.
	AuthzActionSubscribe AuthzAction = 1
)

// String returns the string representation of the action.
func (a AuthzAction) String() string {
	switch a {
	case AuthzActionPublish:
		return "publish"
	case AuthzActionSubscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// AuthzContext contains information about the authorization request.
type AuthzContext struct {
	// ClientID is the client identifier.
	ClientID string

	// Username is the authenticated username (may be empty).
	Username string

	// Topic is the topic for publish or topic filter for subscribe.
	Topic string

	// Action is the action being performed.
	Action AuthzAction

	// QoS is the QoS level for publish/subscribe.
	QoS byte

	// Retain is true if the publish has retain flag set.
	Retain bool

	// RemoteAddr is the remote address of the client connection.
	RemoteAddr net.Addr
}

// AuthzResult represents the result of an authorization check.
type AuthzResult struct {
	// Allowed indicates if the action is allowed.
	Allowed bool

	// MaxQoS caps the granted QoS of a subscription.
	MaxQoS byte
}

// Authorizer decides whether a client may publish to a topic or subscribe
// to a filter.
type Authorizer interface {
	Authorize(ctx context.Context, authzCtx *AuthzContext) (*AuthzResult, error)
}

// AllowAllAuthorizer allows all actions.
type AllowAllAuthorizer struct{}

// Authorize always allows the action.
func (a *AllowAllAuthorizer) Authorize(_ context.Context, _ *AuthzContext) (*AuthzResult, error) {
	return &AuthzResult{Allowed: true, MaxQoS: 2}, nil
}

// DenyAllAuthorizer denies all actions.
type DenyAllAuthorizer struct{}

// Authorize always denies the action.
func (d *DenyAllAuthorizer) Authorize(_ context.Context, _ *AuthzContext) (*AuthzResult, error) {
	return &AuthzResult{Allowed: false}, nil
}

// ACLRule grants a user access to the topics matched by Filter.
// An empty Username applies the rule to every client.
type ACLRule struct {
	Username  string
	Filter    string
	Publish   bool
	Subscribe bool
	MaxQoS    byte
}

// ACLAuthorizer allows an action when at least one rule covers it. A publish
// is covered when the topic matches the rule filter; a subscribe when every
// topic the requested filter could match is also matched by the rule.
type ACLAuthorizer struct {
	mu    sync.RWMutex
	rules []ACLRule
}

// NewACLAuthorizer creates an authorizer with the given rules.
func NewACLAuthorizer(rules ...ACLRule) (*ACLAuthorizer, error) {
	a := &ACLAuthorizer{}
	for _, rule := range rules {
		if err := a.AddRule(rule); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// AddRule appends a rule after validating its filter.
func (a *ACLAuthorizer) AddRule(rule ACLRule) error {
	if err := ValidateTopicFilter(rule.Filter); err != nil {
		return err
	}
	if rule.MaxQoS > 2 {
		return ErrInvalidQoS
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.rules = append(a.rules, rule)
	return nil
}

// Authorize evaluates the rules in order and grants the highest MaxQoS among
// the matching ones.
func (a *ACLAuthorizer) Authorize(_ context.Context, actx *AuthzContext) (*AuthzResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := &AuthzResult{}
	for _, rule := range a.rules {
		if rule.Username != "" && rule.Username != actx.Username {
			continue
		}

		var covered bool
		switch actx.Action {
		case AuthzActionPublish:
			covered = rule.Publish && TopicMatch(rule.Filter, actx.Topic)
		case AuthzActionSubscribe:
			covered = rule.Subscribe && FilterCovers(rule.Filter, actx.Topic)
		}
		if !covered {
			continue
		}

		if !result.Allowed || rule.MaxQoS > result.MaxQoS {
			result.MaxQoS = rule.MaxQoS
		}
		result.Allowed = true
	}

	return result, nil
}
