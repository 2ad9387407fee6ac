package clickhouse

import "errors"

func chErrAs(err error, target any) bool {
	return errors.As(err, target)
}
