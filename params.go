package wsdb

// Normalizer converts a caller-supplied parameter shape (ordered
// sequence, key-value mapping, single scalar, nil) into the ordered
// argument list the wire protocol expects. The rules themselves live
// outside this package; the pool only requires the function contract.
type Normalizer func(raw interface{}) ([]interface{}, error)

// passthroughNormalizer accepts parameters that are already an ordered
// list (or absent) and rejects everything else. It is the default when
// PoolOptions.Normalizer is nil.
func passthroughNormalizer(raw interface{}) ([]interface{}, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		copy(out, v)
		return out, nil
	default:
		return nil, newError(ERR_VALIDATION, "unsupported parameter shape %T", raw)
	}
}
