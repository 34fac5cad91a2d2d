package smpp

import "strings"

// Final receipt states as carried in the stat field.
const (
	statDelivered   = "DELIVRD"
	statUndelivered = "UNDELIV"
	statRejected    = "REJECTD"
	statExpired     = "EXPIRED"
	statDeleted     = "DELETED"
)

type receipt struct {
	id   string
	stat string
	err  string
}

func (r receipt) delivered() bool { return r.stat == statDelivered }

func (r receipt) final() bool {
	switch r.stat {
	case statDelivered, statUndelivered, statRejected, statExpired, statDeleted:
		return true
	}
	return false
}

// parseReceipt reads the id, stat and err fields of a delivery receipt in
// the "id:X sub:001 dlvrd:001 submit date:... done date:... stat:DELIVRD
// err:000 text:..." layout. Field names are matched case-insensitively.
func parseReceipt(text string) (receipt, bool) {
	var r receipt
	for _, field := range strings.Fields(text) {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "id":
			if r.id == "" {
				r.id = value
			}
		case "stat":
			r.stat = strings.ToUpper(value)
		case "err":
			r.err = value
		case "text":
			// free text runs to the end of the receipt
			return r, r.id != "" && r.stat != ""
		}
	}
	return r, r.id != "" && r.stat != ""
}
