package store

// jsonOrEmpty guards nil slices so JSONB columns hold [] rather than
// null; readers then never see a null media_refs array.
func jsonOrEmpty(refs []MediaRef) []MediaRef {
	if refs == nil {
		return []MediaRef{}
	}
	return refs
}

func jsonOrEmptyStrings(vals []string) []string {
	if vals == nil {
		return []string{}
	}
	return vals
}
