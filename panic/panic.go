package panic

// Do runs f and routes any panic into handle instead of unwinding the
// caller. The shell wraps command dispatch and the API server wraps request
// handling with this so a driver bug on a hostile image cannot take the
// process down.
func Do(f func(), handle func(r interface{})) {
	defer func() {
		if r := recover(); r != nil && handle != nil {
			handle(r)
		}
	}()
	f()
}
