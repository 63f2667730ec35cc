package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

// printer escreve a resposta da API em tabela, YAML ou JSON.
type printer struct {
	w      io.Writer
	format string
}

func (p printer) print(raw []byte, build func(t table.Writer)) error {
	switch p.format {
	case "json":
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err := p.w.Write(buf.Bytes())
		return err
	case "yaml":
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		out, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = p.w.Write(out)
		return err
	case "table", "":
		t := table.NewWriter()
		t.SetStyle(table.StyleRounded)
		build(t)
		_, err := fmt.Fprintln(p.w, t.Render())
		return err
	default:
		return fmt.Errorf("unknown output format %q (table, yaml, json)", p.format)
	}
}

// kv monta uma tabela de duas colunas.
func kv(t table.Writer, rows ...[2]any) {
	t.AppendHeader(table.Row{"Field", "Value"})
	for _, r := range rows {
		t.AppendRow(table.Row{r[0], r[1]})
	}
}
