package store

// SetBeforePublish installs a hook that runs inside SwapHeads after the
// stale check and before the new version is linked.
func SetBeforePublish(b *FileBackend, fn func()) { b.beforePublish = fn }
