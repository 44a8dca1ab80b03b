// Package pentagon implements the IMR Pentagon pre-flight check that every
// irreversible action must clear: Inputs, Method, Rules, Review and Record.
//
// The Record check writes an audit_trail row and only runs once the other
// four checks pass, so a rejected action leaves no trail entry. A Result is
// computed fresh on every call and never cached.
package pentagon
