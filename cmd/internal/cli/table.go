package cli

import (
	"io"
	"strconv"
	"time"

	"murmur/cmd/identity"
	"murmur/cmd/internal/metastore"
	"murmur/cmd/internal/msglog"

	"github.com/olekukonko/tablewriter"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("\t")
	return t
}

func renderUsers(w io.Writer, users []identity.Principal) {
	t := newTable(w, "ID", "Username")
	for _, u := range users {
		t.Append([]string{strconv.FormatInt(u.ID, 10), u.Username})
	}
	t.Render()
}

// renderConversations lists conversations from viewer's side: the peer
// column names the other participant.
func renderConversations(w io.Writer, viewer identity.Principal, convs []metastore.Conversation) {
	t := newTable(w, "ID", "With", "Created", "Last message")
	for _, c := range convs {
		with := "-"
		if peer, ok := c.Peer(viewer.ID); ok {
			with = peer.Username
		}
		t.Append([]string{c.ID, with, formatTime(&c.CreatedAt), formatTime(c.LastMessageAt)})
	}
	t.Render()
}

func renderMessages(w io.Writer, msgs []msglog.Message) {
	t := newTable(w, "ID", "Time", "Author", "Message")
	for _, m := range msgs {
		ts := m.Timestamp()
		t.Append([]string{m.ID.String(), formatTime(&ts), m.AuthorUsername, m.Body})
	}
	t.Render()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
