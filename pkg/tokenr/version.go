package tokenr

const Version = "0.1.0"

func userAgent() string {
	return "tokenr-go/" + Version
}
