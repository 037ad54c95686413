package trapframe

import "testing"

func TestArgReadsA0ThroughA5(t *testing.T) {
	tf := &TrapFrame{A0: 10, A1: 11, A2: 12, A3: 13, A4: 14, A5: 15}
	for i := 0; i < 6; i++ {
		if got, want := tf.Arg(i), uint64(10+i); got != want {
			t.Fatalf("Arg(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestArgOutOfRangePanics(t *testing.T) {
	tf := &TrapFrame{}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for an out-of-range syscall argument index")
		}
	}()
	tf.Arg(6)
}

func TestSetReturnEncodesSignedResult(t *testing.T) {
	tf := &TrapFrame{}
	tf.SetReturn(-1)
	if int64(tf.A0) != -1 {
		t.Fatalf("A0 = %d, want -1 when reinterpreted as int64", int64(tf.A0))
	}
	tf.SetReturn(42)
	if tf.A0 != 42 {
		t.Fatalf("A0 = %d, want 42", tf.A0)
	}
}
