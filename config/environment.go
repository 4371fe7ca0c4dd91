package config

//This program contains utility functions related to environment variables
import (
	"os"
	"strconv"
)

//GetEnvAsString function will fetch the val from environment variable.
//If the value is absent then it will return defaultVal supplied.
func GetEnvAsString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal

}

//GetEnvAsBool function will fetch the val from environment variable and convert that to an GetEnvAsBool.
//If the value is absent then it will return defaultVal supplied.
// Valid boolean vals are  1, t, T, TRUE, true, True, 0, f, F, FALSE, false, False.
func GetEnvAsBool(key string, defaultVal bool) (bool, error) {
	if val, ok := os.LookupEnv(key); ok {
		return strconv.ParseBool(val)
	}
	return defaultVal, nil
}
