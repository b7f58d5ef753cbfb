package crypto

import (
	"crypto/rand"
	"testing"
)

func TestBasicSignAndVerify(t *testing.T) {
	priv, pub, err := GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("hello! and welcome to some awesome crypto primitives")

	sig, err := priv.Sign(data)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := pub.Verify(data, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("signature didn't match")
	}

	// change data
	data[0] = ^data[0]
	ok, err = pub.Verify(data, sig)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("signature matched and shouldn't")
	}
}

func TestSignZero(t *testing.T) {
	priv, pub, err := GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 0)
	sig, err := priv.Sign(data)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := pub.Verify(data, sig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("signature didn't match")
	}
}

func TestMarshalLoop(t *testing.T) {
	priv, pub, err := GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("PrivateKey", func(t *testing.T) {
		bts, err := MarshalPrivateKey(priv)
		if err != nil {
			t.Fatal(err)
		}
		privNew, err := UnmarshalPrivateKey(bts)
		if err != nil {
			t.Fatal(err)
		}
		if !priv.Equals(privNew) || !privNew.Equals(priv) {
			t.Fatal("keys are not equal")
		}

		msg := []byte("My child, my sister,\nThink of the rapture\nOf living together there!")
		signed, err := privNew.Sign(msg)
		if err != nil {
			t.Fatal(err)
		}
		ok, err := privNew.GetPublic().Verify(msg, signed)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("signature didn't match")
		}
	})

	t.Run("PublicKey", func(t *testing.T) {
		bts, err := MarshalPublicKey(pub)
		if err != nil {
			t.Fatal(err)
		}
		pubNew, err := UnmarshalPublicKey(bts)
		if err != nil {
			t.Fatal(err)
		}
		if !pub.Equals(pubNew) || !pubNew.Equals(pub) {
			t.Fatal("keys are not equal")
		}
	})
}

func TestUnmarshalErrors(t *testing.T) {
	t.Run("PublicKey invalid length", func(t *testing.T) {
		data := []byte{byte(Ed25519), 42}
		if _, err := UnmarshalPublicKey(data); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("PrivateKey invalid length", func(t *testing.T) {
		data := []byte{byte(Ed25519), 42}
		if _, err := UnmarshalPrivateKey(data); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("unknown key type", func(t *testing.T) {
		if _, err := UnmarshalPublicKey([]byte{0xff}); err != ErrBadKeyType {
			t.Fatalf("expected ErrBadKeyType, got %v", err)
		}
	})
}
