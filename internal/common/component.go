// Package common holds small building blocks shared by every collabchat component.
package common

import (
	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// NewComponent define a Component with the standard module / component log tags
func NewComponent(module, component string) Component {
	return Component{LogTags: log.Fields{"module": module, "component": component}}
}

// WithTags returns a copy of the component log tags extended with extra fields.
// The component's own tags are never modified.
func (c Component) WithTags(extra log.Fields) log.Fields {
	tags := make(log.Fields, len(c.LogTags)+len(extra))
	for k, v := range c.LogTags {
		tags[k] = v
	}
	for k, v := range extra {
		tags[k] = v
	}
	return tags
}
