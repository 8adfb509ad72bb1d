package intercept

import "errors"

var ErrInvalidOptions = errors.New("intercept: invalid options")
