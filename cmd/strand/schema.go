package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/strand-agents/strand/pkg/config"
)

// SchemaCmd generates JSON Schema for the config file. Output goes to
// stdout so it can be redirected.
type SchemaCmd struct {
	Compact bool `help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})

	schema.ID = "https://github.com/strand-agents/strand/schemas/config.json"
	schema.Title = "strand Configuration Schema"
	schema.Description = "Configuration schema for the strand protocol core"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	schema.Examples = []interface{}{
		map[string]interface{}{
			"endpoint": map[string]interface{}{
				"base_url": "http://localhost:8420",
				"token":    "${STRAND_TOKEN}",
			},
			"storage": map[string]interface{}{
				"driver": "sqlite",
				"dsn":    ".strand/strand.db",
			},
			"retry": map[string]interface{}{
				"max_retries": 3,
				"base_delay":  "1s",
			},
		},
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	if err := encoder.Encode(schema); err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	return nil
}
