package imapengine

import (
	"context"
	"slices"
	"strconv"
	"strings"
)

// Flags maps short names to IMAP system and keyword flags.
var Flags = map[string]string{
	"SEEN":      `\Seen`,
	"DELETED":   `\Deleted`,
	"ANSWERED":  `\Answered`,
	"DRAFT":     `\Draft`,
	"FLAGGED":   `\Flagged`,
	"FORWARDED": "$Forwarded",
	"MDNSENT":   "$MDNSent",
	"*":         `\*`,
}

// Mailbox is the state reported by SELECT.
type Mailbox struct {
	Name           string
	Exists         uint32
	Recent         uint32
	UIDNext        uint32
	UIDValidity    uint32
	Unseen         uint32
	HighestModSeq  string
	NoModSeq       bool
	PermanentFlags []string
	ReadWrite      bool
}

// Selected returns the state of the selected mailbox, or nil.
func (c *Client) Selected() *Mailbox {
	return c.mailbox
}

// Select opens mailbox. Selecting the current mailbox again is a no-op.
func (c *Client) Select(ctx context.Context, mailbox string) (*Mailbox, error) {
	if mailbox == "" {
		return nil, c.setError(CodeCommand, "SELECT: empty mailbox name", ErrInvalidArgument)
	}
	if c.mailbox != nil && c.mailbox.Name == mailbox {
		return c.mailbox, nil
	}

	resp, err := c.Execute(ctx, "SELECT", []string{Escape(mailbox)}, 0)
	if err != nil {
		return nil, err
	}

	mb := &Mailbox{Name: mailbox}
	for _, line := range resp.Untagged {
		if st, ok := parseStatusLine(line); ok {
			if st.Tag == "*" && st.Status == "OK" {
				applySelectCode(mb, st.Code, st.Args)
			}
			continue
		}

		// "* 172 EXISTS" and "* 1 RECENT"
		tokens, _, err := TokenizeN(line, 3)
		if err != nil || len(tokens) < 3 || tokens[0].Value != "*" {
			continue
		}
		n, err := strconv.ParseUint(tokens[1].Value, 10, 32)
		if err != nil {
			continue
		}
		switch strings.ToUpper(tokens[2].Value) {
		case "EXISTS":
			mb.Exists = uint32(n)
		case "RECENT":
			mb.Recent = uint32(n)
		}
	}
	mb.ReadWrite = c.resultCode != "READ-ONLY"

	c.mailbox = mb
	return mb, nil
}

func applySelectCode(mb *Mailbox, code string, args []Token) {
	arg := ""
	if len(args) > 0 {
		arg = args[0].Value
	}
	num := func() uint32 {
		n, _ := strconv.ParseUint(arg, 10, 32)
		return uint32(n)
	}

	switch code {
	case "UIDNEXT":
		mb.UIDNext = num()
	case "UIDVALIDITY":
		mb.UIDValidity = num()
	case "UNSEEN":
		mb.Unseen = num()
	case "HIGHESTMODSEQ":
		if _, err := strconv.ParseUint(arg, 10, 64); err == nil {
			mb.HighestModSeq = arg
		}
	case "NOMODSEQ":
		mb.NoModSeq = true
	case "PERMANENTFLAGS":
		if len(args) > 0 && args[0].Kind == TokenList {
			for _, f := range args[0].List {
				mb.PermanentFlags = append(mb.PermanentFlags, f.Value)
			}
		}
	}
}

// CloseMailbox sends CLOSE and forgets the selected mailbox.
func (c *Client) CloseMailbox(ctx context.Context) error {
	if _, err := c.Execute(ctx, "CLOSE", nil, ExecNoResponse); err != nil {
		return err
	}
	c.mailbox = nil
	return nil
}

// StoreFlag adds (or removes, when add is false) flag on the messages with
// the given UIDs in mailbox. Short names from Flags are translated.
func (c *Client) StoreFlag(ctx context.Context, mailbox string, uids []uint32, flag string, add bool) error {
	if flag == "" || len(uids) == 0 {
		return c.setError(CodeCommand, "STORE: flag and messages are required", ErrInvalidArgument)
	}

	mb, err := c.Select(ctx, mailbox)
	if err != nil {
		return err
	}
	if !mb.ReadWrite {
		return c.setError(CodeReadOnly, "mailbox is read-only", ErrRejected)
	}

	if mapped, ok := Flags[strings.ToUpper(flag)]; ok {
		flag = mapped
	}

	// Without PERMANENTFLAGS every flag may be stored.
	if len(mb.PermanentFlags) > 0 &&
		!slices.Contains(mb.PermanentFlags, flag) &&
		!slices.Contains(mb.PermanentFlags, `\*`) {
		return c.setError(CodeCommand, "flag "+flag+" cannot be stored in "+mailbox, ErrRejected)
	}

	mod := "+"
	if !add {
		mod = "-"
	}
	_, err = c.Execute(ctx, "UID STORE", []string{CompressIDs(uids), mod + "FLAGS.SILENT", "(" + flag + ")"}, ExecNoResponse)
	return err
}
