// Copyright 2025 Exata IT
// SPDX-License-Identifier: Apache-2.0

package mirror

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Source-side notification setup. These statements install a pg_notify
// trigger function and one row-level trigger per replicated table, emitting
// the change descriptor JSON the listener consumes. They are provided as DDL
// for operators who manage the source schema out of band.

type triggerData struct {
	Channel      string
	FunctionName string
	TableSchema  string
	TableName    string
	PKColumn     string
	TriggerName  string
}

const notifyFunctionTemplate = `CREATE OR REPLACE FUNCTION {{.FunctionName}}() RETURNS trigger AS $$
DECLARE
	row_id BIGINT;
BEGIN
	IF TG_OP = 'DELETE' THEN
		row_id := OLD.{{.PKColumn}};
	ELSE
		row_id := NEW.{{.PKColumn}};
	END IF;

	PERFORM pg_notify(
		'{{.Channel}}',
		json_build_object(
			'id', row_id,
			'table', TG_TABLE_SCHEMA || '.' || TG_TABLE_NAME,
			'event_type', TG_OP
		)::text
	);

	IF TG_OP = 'DELETE' THEN
		RETURN OLD;
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`

const notifyTriggerTemplate = `CREATE TRIGGER {{.TriggerName}}
AFTER INSERT OR UPDATE OR DELETE ON {{.TableSchema}}.{{.TableName}}
FOR EACH ROW EXECUTE FUNCTION {{.FunctionName}}()`

// NotifyTriggerSQL generates the DDL statements that make a source table emit
// change notifications on the given channel. The source primary key column
// must be the same column the registered entity fetches by.
func NotifyTriggerSQL(channel, sourceTable, pkColumn string) ([]string, error) {
	if channel == "" || sourceTable == "" || pkColumn == "" {
		return nil, fmt.Errorf("channel, sourceTable and pkColumn are required")
	}

	schema := "public"
	table := sourceTable
	if i := strings.Index(sourceTable, "."); i >= 0 {
		schema = sourceTable[:i]
		table = sourceTable[i+1:]
	}

	data := triggerData{
		Channel:      channel,
		FunctionName: fmt.Sprintf("notify_%s_change", table),
		TableSchema:  schema,
		TableName:    table,
		PKColumn:     pkColumn,
		TriggerName:  fmt.Sprintf("trg_%s_notify", table),
	}

	var statements []string
	for _, tmpl := range []string{notifyFunctionTemplate, notifyTriggerTemplate} {
		t, err := template.New("trigger").Parse(tmpl)
		if err != nil {
			return nil, fmt.Errorf("parse trigger template: %w", err)
		}
		var buf bytes.Buffer
		if err := t.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("render trigger template: %w", err)
		}
		statements = append(statements, buf.String())
	}
	return statements, nil
}
