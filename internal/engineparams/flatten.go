package engineparams

// FlattenListOfObjects folds a list of objects into one single-level
// object, later keys winning. Some configuration values are themselves
// structured (a parameter holding `[{"outputUri": ...}, {"logsUri": ...}]`),
// and the collector needs them as flat key/value pairs before
// substitution. Non-object elements are ignored.
func FlattenListOfObjects(list []any) map[string]any {
	out := make(map[string]any)
	for _, elem := range list {
		obj, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range obj {
			out[k] = v
		}
	}
	return out
}
