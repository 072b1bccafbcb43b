// Package bootstrap implements the pluggable bootstrap providers a source
// can serve initial snapshots from: noop, scriptfile (JSONL replay),
// postgres (repeatable-read snapshot with WAL LSN watermark), platform
// (remote query API read-all) and application (embedding-app replay).
package bootstrap

import (
	"encoding/json"
	"fmt"

	"github.com/ruokun-niu/drasi-server/component"
	"github.com/ruokun-niu/drasi-server/errors"
)

// Provider name tags.
const (
	ProviderNoop        = "noop"
	ProviderScriptFile  = "scriptfile"
	ProviderPostgres    = "postgres"
	ProviderPlatform    = "platform"
	ProviderApplication = "application"
)

// Select resolves the provider for a source: the one declared on the source
// config wins, otherwise the source's native provider, otherwise noop.
// Declared overrides are built from the source's own connector payload.
func Select(declared string, native component.BootstrapProvider, props json.RawMessage) (component.BootstrapProvider, error) {
	switch declared {
	case "":
		if native != nil {
			return native, nil
		}
		return Noop{}, nil
	case ProviderNoop:
		return Noop{}, nil
	case ProviderScriptFile:
		return NewScriptFile(props)
	case ProviderPostgres:
		return NewPostgres(props)
	case ProviderPlatform:
		return NewPlatform(props)
	default:
		return nil, errors.WrapInvalid(errors.ErrConfigValidate, "bootstrap", "Select",
			fmt.Sprintf("unknown bootstrap provider %q", declared))
	}
}
