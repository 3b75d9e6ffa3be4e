package itip

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/cyp0633/itipd/calendar"
	"github.com/cyp0633/itipd/internal/xcal"
)

// Headers of stored groupware objects
const (
	HeaderObjectType  = "X-Kolab-Type"
	HeaderMimeVersion = "X-Kolab-Mime-Version"
	ObjectMimeVersion = "3.0"
	attachmentName    = "kolab.xml"
)

// ObjectMimeType is the value of the X-Kolab-Type header for t
func ObjectMimeType(t calendar.ObjectType) string {
	return "application/x-vnd.kolab." + t.String()
}

// ToMime renders obj, including its exceptions, as a message to be stored in
// the mailbox of owner. The subject carries the UID so the object can be
// searched for.
func ToMime(obj *calendar.Object, owner string) ([]byte, error) {
	if obj.IsException() {
		return nil, fmt.Errorf("itip: exception of %s cannot be stored on its own", obj.UID)
	}
	payload, err := xcal.Encode(calendar.NewCalendar("", obj))
	if err != nil {
		return nil, err
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: owner}})
	h.SetAddressList("To", []*mail.Address{{Address: owner}})
	h.SetSubject(obj.UID)
	h.Set(HeaderObjectType, ObjectMimeType(obj.Type))
	h.Set(HeaderMimeVersion, ObjectMimeVersion)
	h.Set("MIME-Version", "1.0")
	h.SetContentType("multipart/mixed", nil)

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	var th message.Header
	th.SetContentType("text/plain", map[string]string{"charset": "us-ascii"})
	th.Set("Content-Transfer-Encoding", "7bit")
	notice := "This is a Kolab Groupware object. To view this object you will need an email client that understands the Kolab Groupware format.\r\n"
	if err := writePart(w, th, []byte(notice)); err != nil {
		return nil, err
	}

	var xh message.Header
	xh.SetContentType(xcal.MediaType, map[string]string{"charset": "utf-8", "name": attachmentName})
	xh.SetContentDisposition("attachment", map[string]string{"filename": attachmentName})
	xh.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := writePart(w, xh, payload); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

// FromMime reads a stored object back. Besides the xCal attachment written by
// ToMime, a plain text/calendar part is accepted.
func FromMime(r io.Reader) (*calendar.Object, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("failed to read stored object: %w", err)
	}

	var found *calendar.Object
	walkErr := entity.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil || found != nil {
			return err
		}
		mediaType, _, _ := part.Header.ContentType()
		mediaType = strings.ToLower(mediaType)
		var objs []*calendar.Object
		switch {
		case mediaType == xcal.MediaType:
			data, err := io.ReadAll(part.Body)
			if err != nil {
				return err
			}
			cal, err := xcal.Decode(data)
			if err != nil {
				return err
			}
			if objs, err = calendar.FromCalendar(cal); err != nil {
				return err
			}
		case isCalendarType(mediaType):
			cal, err := calendar.Decode(part.Body)
			if err != nil {
				return err
			}
			if objs, err = calendar.FromCalendar(cal); err != nil {
				return err
			}
		default:
			return nil
		}
		found = objs[0]
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("failed to decode stored object: %w", walkErr)
	}
	if found == nil {
		return nil, ErrNoItip
	}
	return found, nil
}
