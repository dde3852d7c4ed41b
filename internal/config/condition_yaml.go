package config

import "gopkg.in/yaml.v3"

// knownConditionKeys are the built-in clause keys; anything else is routed
// into Extra for dispatch to a registered condition plugin.
var knownConditionKeys = map[string]bool{
	"argument_matches":          true,
	"argument_contains_pattern": true,
	"always":                    true,
	"max_calls_per_minute":      true,
}

// UnmarshalYAML decodes a WardCondition while preserving unrecognized keys
// in Extra, so unknown condition types can still reach a plugin.
func (c *WardCondition) UnmarshalYAML(value *yaml.Node) error {
	raw := map[string]yaml.Node{}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	type plain WardCondition
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*c = WardCondition(p)

	c.Extra = nil
	for k, v := range raw {
		if knownConditionKeys[k] {
			continue
		}
		var decoded interface{}
		if err := v.Decode(&decoded); err != nil {
			return err
		}
		if c.Extra == nil {
			c.Extra = map[string]interface{}{}
		}
		c.Extra[k] = decoded
	}
	return nil
}
