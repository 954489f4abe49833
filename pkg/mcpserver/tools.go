package mcpserver

import "github.com/google/jsonschema-go/jsonschema"

func stringProp(description string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: description}
}

func objectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

var toolDefs = []ToolInfo{
	{
		Name:        "relay.send",
		Description: "Send a message to a single named agent or user",
		InputSchema: objectSchema([]string{"from", "to", "body"}, map[string]*jsonschema.Schema{
			"from":  stringProp("sender name"),
			"to":    stringProp("recipient name"),
			"topic": stringProp(""),
			"body":  stringProp(""),
		}),
	},
	{
		Name:        "relay.broadcast",
		Description: "Send a message to every registered agent",
		InputSchema: objectSchema([]string{"from", "body"}, map[string]*jsonschema.Schema{
			"from":  stringProp(""),
			"topic": stringProp(""),
			"body":  stringProp(""),
		}),
	},
	{
		Name:        "relay.channel_join",
		Description: "Join a named channel",
		InputSchema: objectSchema([]string{"from", "channel"}, map[string]*jsonschema.Schema{
			"from":    stringProp(""),
			"channel": stringProp(""),
		}),
	},
	{
		Name:        "relay.channel_leave",
		Description: "Leave a named channel",
		InputSchema: objectSchema([]string{"from", "channel"}, map[string]*jsonschema.Schema{
			"from":    stringProp(""),
			"channel": stringProp(""),
		}),
	},
	{
		Name:        "relay.channel_message",
		Description: "Post a message to every member of a channel",
		InputSchema: objectSchema([]string{"from", "channel", "body"}, map[string]*jsonschema.Schema{
			"from":    stringProp(""),
			"channel": stringProp(""),
			"body":    stringProp(""),
		}),
	},
}
