package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"m2dash/internal/domain"
)

// statusSchema describes the status payload: [online, latency(ms), rate].
// Latency is any number; some sources send -1 for unknown.
const statusSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "minItems": 3,
  "items": [
    {"type": "boolean"},
    {"type": "number"},
    {"type": "number"}
  ]
}`

// statusSchemaURL is absolute so validation errors do not embed the
// working directory.
const statusSchemaURL = "mem://m2dash/status.json"

var compiledStatus = mustCompile(statusSchemaURL, statusSchema)

func mustCompile(url, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("add schema resource %s: %v", url, err))
	}
	return compiler.MustCompile(url)
}

// DecodeStatus parses the payload of a status event.
func DecodeStatus(data json.RawMessage) (domain.StatusReport, error) {
	if len(data) == 0 {
		return domain.StatusReport{}, domain.NewDomainError("wire.DecodeStatus", domain.ErrInvalidInput, "missing payload")
	}

	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return domain.StatusReport{}, domain.NewDomainError("wire.DecodeStatus", domain.ErrInvalidInput, err.Error())
	}
	if err := compiledStatus.Validate(v); err != nil {
		return domain.StatusReport{}, domain.NewDomainError("wire.DecodeStatus", domain.ErrInvalidInput, err.Error())
	}

	// Schema guarantees the first three element types.
	items := v.([]any)
	latencyMS := items[1].(float64)
	return domain.StatusReport{
		Online:  items[0].(bool),
		Latency: time.Duration(math.Round(latencyMS * float64(time.Millisecond))),
		Rate:    items[2].(float64),
	}, nil
}

// EncodeStatus builds the status payload, used by the simulator.
func EncodeStatus(r domain.StatusReport) json.RawMessage {
	latencyMS := float64(r.Latency) / float64(time.Millisecond)
	raw, _ := json.Marshal([]any{r.Online, latencyMS, r.Rate})
	return raw
}
