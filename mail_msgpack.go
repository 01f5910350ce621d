package relayd

import (
	"bytes"

	"github.com/tinylib/msgp/msgp"
)

// ToMessagePack encodes the mail as MessagePack, a compact alternative to
// ToJSON for queue storage and inter-process transfer. The encoding is
// hand-written against msgp's runtime Writer rather than generated, and
// covers the fields a downstream delivery queue actually needs: identity,
// envelope, and content. Trace and MIME structure are not round-tripped.
func (m *Mail) ToMessagePack() ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)

	if err := w.WriteMapHeader(5); err != nil {
		return nil, err
	}

	if err := w.WriteString("id"); err != nil {
		return nil, err
	}
	if err := w.WriteString(m.ID); err != nil {
		return nil, err
	}

	if err := w.WriteString("received_at"); err != nil {
		return nil, err
	}
	if err := w.WriteTime(m.ReceivedAt); err != nil {
		return nil, err
	}

	if err := w.WriteString("from"); err != nil {
		return nil, err
	}
	if err := w.WriteString(m.Envelope.From.Mailbox.String()); err != nil {
		return nil, err
	}

	if err := w.WriteString("to"); err != nil {
		return nil, err
	}
	if err := w.WriteArrayHeader(uint32(len(m.Envelope.To))); err != nil {
		return nil, err
	}
	for _, rcpt := range m.Envelope.To {
		if err := w.WriteString(rcpt.Address.Mailbox.String()); err != nil {
			return nil, err
		}
	}

	if err := w.WriteString("content"); err != nil {
		return nil, err
	}
	if err := writeContentMsgPack(w, m.Content); err != nil {
		return nil, err
	}

	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeContentMsgPack(w *msgp.Writer, c Content) error {
	if err := w.WriteMapHeader(2); err != nil {
		return err
	}

	if err := w.WriteString("headers"); err != nil {
		return err
	}
	if err := w.WriteArrayHeader(uint32(len(c.Headers))); err != nil {
		return err
	}
	for _, h := range c.Headers {
		if err := w.WriteArrayHeader(2); err != nil {
			return err
		}
		if err := w.WriteString(h.Name); err != nil {
			return err
		}
		if err := w.WriteString(h.Value); err != nil {
			return err
		}
	}

	if err := w.WriteString("body"); err != nil {
		return err
	}
	return w.WriteBytes(c.Body)
}

// FromMessagePack decodes a Mail previously encoded with ToMessagePack.
func FromMessagePack(data []byte) (*Mail, error) {
	r := msgp.NewReader(bytes.NewReader(data))
	m := NewMail()

	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, err
	}

	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		switch key {
		case "id":
			if m.ID, err = r.ReadString(); err != nil {
				return nil, err
			}
		case "received_at":
			if m.ReceivedAt, err = r.ReadTime(); err != nil {
				return nil, err
			}
		case "from":
			from, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			mbox, _, perr := ParsePath("<" + from + ">")
			if perr == nil {
				m.SetFrom(mbox)
			}
		case "to":
			count, err := r.ReadArrayHeader()
			if err != nil {
				return nil, err
			}
			for j := uint32(0); j < count; j++ {
				addr, err := r.ReadString()
				if err != nil {
					return nil, err
				}
				mbox, _, perr := ParsePath("<" + addr + ">")
				if perr == nil {
					m.AddRecipient(mbox)
				}
			}
		case "content":
			if err := readContentMsgPack(r, m); err != nil {
				return nil, err
			}
		default:
			if err := r.Skip(); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

func readContentMsgPack(r *msgp.Reader, m *Mail) error {
	n, err := r.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return err
		}
		switch key {
		case "headers":
			count, err := r.ReadArrayHeader()
			if err != nil {
				return err
			}
			for j := uint32(0); j < count; j++ {
				if _, err := r.ReadArrayHeader(); err != nil {
					return err
				}
				name, err := r.ReadString()
				if err != nil {
					return err
				}
				value, err := r.ReadString()
				if err != nil {
					return err
				}
				m.AddHeader(name, value)
			}
		case "body":
			body, err := r.ReadBytes(nil)
			if err != nil {
				return err
			}
			m.Content.Body = body
		default:
			if err := r.Skip(); err != nil {
				return err
			}
		}
	}
	return nil
}
