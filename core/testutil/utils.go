package testutil

import (
	"crypto/ecdsa"
	"testing"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-userop/storage"
)

const (
	// well known throwaway key, never fund it
	ownerKeyHex = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

	ChainID = 11155111
)

var PaymasterAddress = common.HexToAddress("0xB985af5f96EF2722DC99aEBA573520903B86505e")

// TestMustDB opens an in-memory store that is closed when the test ends.
func TestMustDB(t testing.TB) storage.Storage {
	t.Helper()
	db, err := storage.New(&storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger(sdklogging.Development)
	if err != nil {
		panic(err)
	}
	return logger
}

func OwnerKey() *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(ownerKeyHex)
	if err != nil {
		panic(err)
	}
	return key
}

func OwnerAddress() common.Address {
	return crypto.PubkeyToAddress(OwnerKey().PublicKey)
}
