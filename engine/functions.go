package engine

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"

	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/dn"
	sqlite "modernc.org/sqlite"
)

var registerOnce sync.Once

// RegisterFunctions registers dn_in_scope and csn_sid with the driver so
// they are available on new connections opened after this call.
// Note: existing open connections will not see new functions.
func RegisterFunctions(_ *sql.DB) error {
	var err error
	registerOnce.Do(func() {
		if err = sqlite.RegisterDeterministicScalarFunction("dn_in_scope", 3, dnInScopeImpl); err != nil {
			return
		}
		err = sqlite.RegisterDeterministicScalarFunction("csn_sid", 1, csnSIDImpl)
	})
	return err
}

func asText(arg driver.Value) (string, bool, error) {
	switch v := arg.(type) {
	case nil:
		return "", false, nil
	case string:
		return v, true, nil
	case []byte:
		return string(v), true, nil
	default:
		return "", false, fmt.Errorf("engine: unsupported argument type %T; want TEXT", arg)
	}
}

// dnInScopeImpl implements dn_in_scope(ndn, base, scope) returning 1 when the
// normalized DN ndn falls in scope of base.
func dnInScopeImpl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("dn_in_scope: expected 3 arguments, got %d", len(args))
	}
	ndn, ok, err := asText(args[0])
	if err != nil || !ok {
		return nil, err
	}
	base, ok, err := asText(args[1])
	if err != nil || !ok {
		return nil, err
	}
	scope, ok := args[2].(int64)
	if !ok {
		return nil, fmt.Errorf("dn_in_scope: scope must be INTEGER, got %T", args[2])
	}
	if dn.InScope(ndn, base, dn.Scope(scope)) {
		return int64(1), nil
	}
	return int64(0), nil
}

// csnSIDImpl implements csn_sid(csn) returning the server id stamped in a
// CSN, or NULL for a malformed value.
func csnSIDImpl(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("csn_sid: expected 1 argument, got %d", len(args))
	}
	s, ok, err := asText(args[0])
	if err != nil || !ok {
		return nil, err
	}
	sid, err := csn.CSN(s).SID()
	if err != nil {
		return nil, nil
	}
	return int64(sid), nil
}
