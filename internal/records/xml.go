package records

import (
	"encoding/xml"
	"fmt"
	"unicode/utf8"

	"curator/internal/services"
)

// EncodeXML serializes a record to deterministic, indented XML. Byte output
// is stable for identical records: params are sorted at assembly time, the
// indentation is fixed, and timestamps are UTC. A value XML cannot
// represent (invalid UTF-8, disallowed control characters) is a fatal
// serialization error for this record.
func EncodeXML(record *Record) ([]byte, error) {
	if record == nil {
		return nil, services.Wrap(services.ErrValidation, "records", "encode", "record is nil", nil)
	}
	if err := validateRecordStrings(record); err != nil {
		return nil, services.Wrap(services.ErrValidation, "records", "encode", "unrepresentable value", err)
	}
	body, err := xml.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "records", "encode", "marshal record", err)
	}
	out := make([]byte, 0, len(xml.Header)+len(body)+1)
	out = append(out, xml.Header...)
	out = append(out, body...)
	out = append(out, '\n')
	return out, nil
}

// DecodeXML parses record XML produced by EncodeXML.
func DecodeXML(data []byte) (*Record, error) {
	var record Record
	if err := xml.Unmarshal(data, &record); err != nil {
		return nil, services.Wrap(services.ErrValidation, "records", "decode", "unmarshal record", err)
	}
	return &record, nil
}

func validateRecordStrings(record *Record) error {
	check := func(field, value string) error {
		if !utf8.ValidString(value) {
			return fmt.Errorf("%s holds invalid UTF-8", field)
		}
		for _, r := range value {
			if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
				return fmt.Errorf("%s holds control character %#x", field, r)
			}
		}
		return nil
	}

	pairs := []struct{ field, value string }{
		{"id", record.ID},
		{"session.instrument", record.Session.Instrument},
		{"session.user", record.Session.User},
		{"session.title", record.Session.Title},
		{"session.purpose", record.Session.Purpose},
		{"session.reservation", record.Session.ReservationID},
	}
	for _, p := range pairs {
		if err := check(p.field, p.value); err != nil {
			return err
		}
	}
	for _, w := range record.Warnings {
		if err := check("warning", w); err != nil {
			return err
		}
	}
	for _, act := range record.Acts {
		for _, param := range act.Setup {
			if err := checkParam(check, param); err != nil {
				return err
			}
		}
		for _, file := range act.Files {
			if err := check("file.path", file.Path); err != nil {
				return err
			}
			if err := check("file.format", file.Format); err != nil {
				return err
			}
			for _, param := range file.Params {
				if err := checkParam(check, param); err != nil {
					return err
				}
			}
			for _, w := range file.Warnings {
				if err := check("file.warning", w); err != nil {
					return err
				}
			}
			if err := check("file.thumbnail", file.Thumbnail.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkParam(check func(string, string) error, param Param) error {
	if err := check("param name", param.Name); err != nil {
		return err
	}
	return check("param "+param.Name, param.Value)
}
