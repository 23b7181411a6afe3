package logging

import "log/slog"

// Common field names for consistent logging across components.
const (
	FieldService     = "service"
	FieldRequestID   = "request_id"
	FieldSourceID    = "source_id"
	FieldTenantID    = "tenant_id"
	FieldIP          = "ip"
	FieldStage       = "stage"
	FieldReason      = "reason"
	FieldDestination = "destination"
	FieldRecordID    = "record_id"
	FieldCount       = "count"
	FieldError       = "error"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func SourceID(id string) slog.Attr {
	return slog.String(FieldSourceID, id)
}

func TenantID(id string) slog.Attr {
	return slog.String(FieldTenantID, id)
}

func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

func Stage(name string) slog.Attr {
	return slog.String(FieldStage, name)
}

func Reason(reason string) slog.Attr {
	return slog.String(FieldReason, reason)
}

func Destination(name string) slog.Attr {
	return slog.String(FieldDestination, name)
}

func RecordID(id string) slog.Attr {
	return slog.String(FieldRecordID, id)
}

func Count(n int) slog.Attr {
	return slog.Int(FieldCount, n)
}

// Error returns a slog attribute for an error. A nil error yields an empty
// string value rather than panicking.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
