package router

import (
	"html"
	"strings"
)

// helpText renders help in Telegram HTML parse mode.
func (m *CommandManager) helpText(args []string) string {
	if len(args) > 0 {
		word := commandWord(args[0])
		c, ok := m.lookup(word)
		if !ok {
			return "❓ <b>Unknown command</b>\nType <code>/help</code> for the list."
		}
		lines := []string{"<b>/" + html.EscapeString(c.Name) + "</b>"}
		if c.Description != "" {
			lines = append(lines, html.EscapeString(c.Description))
		}
		if c.Usage != "" {
			lines = append(lines, "", "Usage: <code>"+html.EscapeString(c.Usage)+"</code>")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "Aliases: "+html.EscapeString(strings.Join(c.Aliases, ", ")))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 owner only")
		}
		return strings.Join(lines, "\n")
	}

	var public, owner []string
	for _, c := range m.commands() {
		line := "/" + html.EscapeString(c.Name)
		if c.Description != "" {
			line += ": " + html.EscapeString(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			owner = append(owner, line)
		} else {
			public = append(public, line)
		}
	}
	lines := []string{"📚 <b>Commands</b>", "Type <code>/help &lt;cmd&gt;</code> for details.", ""}
	lines = append(lines, public...)
	if len(owner) > 0 {
		lines = append(lines, "", "🔒 <b>Owner</b>")
		lines = append(lines, owner...)
	}
	return strings.Join(lines, "\n")
}
