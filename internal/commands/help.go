package commands

import "geodaily/pkg/tgui"

func (d *Dispatcher) helpText(owner bool) string {
	d.mu.RLock()
	order := append([]string(nil), d.order...)
	cmds := d.cmds
	d.mu.RUnlock()

	doc := &tgui.Doc{}
	doc.Line(tgui.B("Commands"))
	for _, name := range order {
		c := cmds[name]
		if c == nil || (c.Access == AccessOwner && !owner) {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		line := []tgui.H{tgui.Code(usage)}
		if c.Description != "" {
			line = append(line, tgui.Esc(" - "+c.Description))
		}
		if c.Access == AccessAdmin {
			line = append(line, tgui.I(" (admins)"))
		}
		doc.Line(line...)
	}
	return doc.String()
}
