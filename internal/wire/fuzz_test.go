package wire

import "testing"

func FuzzDecodeCell(f *testing.F) {
	f.Add(EncodeCell(Cell{CircuitID: 1, Command: CmdCreate, Payload: []byte("x")}))
	f.Add([]byte{})
	f.Add([]byte{0, 0, 0, 1})

	f.Fuzz(func(t *testing.T, b []byte) {
		// Must not panic on any input.
		_, _ = DecodeCell(b)
	})
}

func FuzzDecodeData(f *testing.F) {
	df, _ := EncodeData(DataFrame{CircuitID: 1, Payload: []byte("y")})
	f.Add(df)
	f.Add([]byte{})
	f.Add(DataPrefix[:])

	f.Fuzz(func(t *testing.T, b []byte) {
		// Must not panic on any input.
		_, _ = DecodeData(b)
	})
}
