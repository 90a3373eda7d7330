// Package job defines job and trigger identity, the mutable data map jobs
// carry, and the JobDetail metadata that describes a job type to the store.
package job

import "fmt"

const DefaultGroup = "DEFAULT"

// Key identifies a JobDetail or a Trigger by (group, name). Triggers hold
// a JobKey by identity only — never a live pointer to the JobDetail.
type Key struct {
	Name  string
	Group string
}

func NewKey(name, group string) Key {
	if group == "" {
		group = DefaultGroup
	}
	return Key{Name: name, Group: group}
}

func (k Key) String() string { return fmt.Sprintf("%s.%s", k.Group, k.Name) }

func (k Key) IsZero() bool { return k.Name == "" }
