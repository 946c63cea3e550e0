package repository

import "evcentral/internal/secure"

func generateDeviceKey() ([]byte, error) {
	return secure.GenerateKey()
}
