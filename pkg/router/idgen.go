package router

import (
	"strconv"
	"time"
)

func timeNowHex() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}

func uintToString(v uint64) string {
	return strconv.FormatUint(v, 36)
}
