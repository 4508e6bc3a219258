package log

// Common field names for structured logging
const (
	FieldComponent    = "component"
	FieldRequestID    = "request_id"
	FieldClientIP     = "client_ip"
	FieldMethod       = "method"
	FieldPath         = "path"
	FieldQuery        = "query"
	FieldStatusCode   = "status_code"
	FieldDuration     = "duration_ms"
	FieldUserAgent    = "user_agent"
	FieldSuccess      = "success"
	FieldError        = "error"
	FieldOperation    = "operation"
	FieldExpenseID    = "expense_id"
	FieldCounterpart  = "counterpart_id"
	FieldScope        = "scope"
	FieldCurrency     = "currency"
	FieldAmountMinor  = "amount_minor"
	FieldPaidBy       = "paid_by"
	FieldActor        = "actor"
	FieldShares       = "shares"
	FieldEntries      = "entries"
	FieldRemoved      = "removed"
	FieldRecurrenceID = "recurrence_id"
	FieldAttempt      = "attempt"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentLedger    = "ledger"
	ComponentProjector = "projector"
	ComponentLinker    = "linker"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentWorker    = "worker"
	ComponentRates     = "rates"
	ComponentImport    = "import"
	ComponentExport    = "export"
	ComponentService   = "service"
)

// Operations defines standard operation names
const (
	OpCreate      = "create"
	OpRead        = "read"
	OpEdit        = "edit"
	OpDelete      = "delete"
	OpList        = "list"
	OpRecalculate = "recalculate"
	OpTransfer    = "transfer"
	OpImport      = "import"
	OpExport      = "export"
	OpPublish     = "publish"
	OpShutdown    = "shutdown"
	OpStartup     = "startup"
)

// ErrorTypes defines standard error type categories
const (
	ErrorTypeValidation = "validation_error"
	ErrorTypeNotFound   = "not_found_error"
	ErrorTypeConflict   = "conflict_error"
	ErrorTypeStorage    = "storage_error"
	ErrorTypeInternal   = "internal_error"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

// WithComponent adds component field
func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

// WithRequestID adds request ID field
func (f LogFields) WithRequestID(requestID string) LogFields {
	f[FieldRequestID] = requestID
	return f
}

// WithError adds error field
func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

// WithOperation adds operation field
func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithExpense adds expense-related fields
func (f LogFields) WithExpense(id string, scope string, amountMinor int64, currency string) LogFields {
	f[FieldExpenseID] = id
	f[FieldScope] = scope
	f[FieldAmountMinor] = amountMinor
	f[FieldCurrency] = currency
	return f
}

// WithHTTPRequest adds HTTP request fields
func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	f[FieldUserAgent] = userAgent
	return f
}

// WithHTTPResponse adds HTTP response fields
func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = statusCode < 400
	return f
}

// ToSlice converts LogFields to a slice for slog
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		slice = append(slice, k, v)
	}
	return slice
}
