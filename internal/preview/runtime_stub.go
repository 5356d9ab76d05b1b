//go:build !govips || !cgo

package preview

func Startup() error {
	return nil
}

func Shutdown() {}

func newScaler() Scaler {
	return stdScaler{}
}
