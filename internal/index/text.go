package index

import (
	"strings"

	"github.com/abdul-hamid-achik/cmdvec/internal/source"
	"github.com/abdul-hamid-achik/cmdvec/internal/store"
)

// ExamplePrefix namespaces example point ids so they never collide with
// command ids.
const ExamplePrefix = "example-"

// ExamplePointID returns the point id of an example.
func ExamplePointID(ex source.ExampleRecord) string {
	return ExamplePrefix + ex.ID.String()
}

// CommandText builds the text embedded for a command: name and
// description on the first line, then syntax, notes, and parameters.
func CommandText(rec source.CommandRecord) string {
	var sb strings.Builder
	sb.WriteString(rec.CommandName)
	if rec.Description != "" {
		sb.WriteString(": ")
		sb.WriteString(rec.Description)
	}
	for _, part := range []string{rec.Syntax, rec.Notes} {
		if part = strings.TrimSpace(part); part != "" {
			sb.WriteString("\n")
			sb.WriteString(part)
		}
	}
	if len(rec.Parameters) > 0 {
		sb.WriteString("\nParameters:")
		for _, p := range rec.Parameters {
			sb.WriteString("\n- ")
			sb.WriteString(p.Name)
			if p.Description != "" {
				sb.WriteString(": ")
				sb.WriteString(p.Description)
			}
		}
	}
	return sb.String()
}

// ExampleText builds the text embedded for an example of cmd.
func ExampleText(cmd source.CommandRecord, ex source.ExampleRecord) string {
	var sb strings.Builder
	sb.WriteString(cmd.CommandName)
	if ex.Title != "" {
		sb.WriteString(": ")
		sb.WriteString(ex.Title)
	}
	for _, part := range []string{ex.Description, ex.Code} {
		if part = strings.TrimSpace(part); part != "" {
			sb.WriteString("\n")
			sb.WriteString(part)
		}
	}
	return sb.String()
}

// CommandPayload flattens a command into its point payload.
func CommandPayload(rec source.CommandRecord) store.Payload {
	return store.Payload{
		store.FieldType:           store.TypeCommand,
		store.FieldCommandID:      rec.ID.String(),
		store.FieldCommandName:    rec.CommandName,
		store.FieldCommandNameAlt: rec.CommandName,
		store.FieldVersion:        rec.Version,
		store.FieldDescription:    rec.Description,
		store.FieldSyntax:         rec.Syntax,
		store.FieldNotes:          rec.Notes,
		store.FieldDeprecated:     rec.IsDeprecated,
		store.FieldDeprecatedAlt:  rec.IsDeprecated,
		store.FieldParameters:     strings.Join(rec.ParameterNames(), ","),
	}
}

// ExamplePayload flattens an example into its point payload. Version and
// deprecation are copied from the parent so filters apply to examples too.
func ExamplePayload(cmd source.CommandRecord, ex source.ExampleRecord) store.Payload {
	return store.Payload{
		store.FieldType:           store.TypeExample,
		store.FieldExampleID:      ex.ID.String(),
		store.FieldCommandID:      cmd.ID.String(),
		store.FieldCommandName:    cmd.CommandName,
		store.FieldCommandNameAlt: cmd.CommandName,
		store.FieldVersion:        cmd.Version,
		store.FieldDeprecated:     cmd.IsDeprecated,
		store.FieldDeprecatedAlt:  cmd.IsDeprecated,
		store.FieldTitle:          ex.Title,
		store.FieldDescription:    ex.Description,
		store.FieldCode:           ex.Code,
	}
}
