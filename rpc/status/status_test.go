package status

import "testing"

func TestCodeString(t *testing.T) {
	tests := []struct {
		name string
		code Code
		want string
	}{
		{name: "Success: OK", code: OK, want: "OK"},
		{name: "Success: CANCELLED", code: Canceled, want: "CANCELLED"},
		{name: "Success: NOT_FOUND", code: NotFound, want: "NOT_FOUND"},
		{name: "Success: UNAUTHENTICATED", code: Unauthenticated, want: "UNAUTHENTICATED"},
		{name: "Success: out of range", code: Code(42), want: "Code(42)"},
	}

	for _, test := range tests {
		if got := test.code.String(); got != test.want {
			t.Errorf("[TestCodeString](%s): got %q, want %q", test.name, got, test.want)
		}
	}
}

func TestCodeValues(t *testing.T) {
	// The numeric values are part of the wire contract.
	want := map[Code]uint32{
		OK: 0, Canceled: 1, Unknown: 2, InvalidArgument: 3, DeadlineExceeded: 4,
		NotFound: 5, AlreadyExists: 6, PermissionDenied: 7, ResourceExhausted: 8,
		FailedPrecondition: 9, Aborted: 10, OutOfRange: 11, Unimplemented: 12,
		Internal: 13, Unavailable: 14, DataLoss: 15, Unauthenticated: 16,
	}
	for c, n := range want {
		if uint32(c) != n {
			t.Errorf("[TestCodeValues](%s): got %d, want %d", c, uint32(c), n)
		}
	}
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Code
		wantErr bool
	}{
		{name: "Success: canonical name", in: "NOT_FOUND", want: NotFound},
		{name: "Success: lower case", in: "unavailable", want: Unavailable},
		{name: "Success: numeric", in: "8", want: ResourceExhausted},
		{name: "Error: unknown name", in: "NOPE", wantErr: true},
		{name: "Error: numeric out of range", in: "99", wantErr: true},
	}

	for _, test := range tests {
		got, err := ParseCode(test.in)
		switch {
		case err == nil && test.wantErr:
			t.Errorf("[TestParseCode](%s): got err == nil, want err != nil", test.name)
			continue
		case err != nil && !test.wantErr:
			t.Errorf("[TestParseCode](%s): got err == %s, want err == nil", test.name, err)
			continue
		case err != nil:
			continue
		}
		if got != test.want {
			t.Errorf("[TestParseCode](%s): got %v, want %v", test.name, got, test.want)
		}
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name       string
		st         Status
		wantString string
		wantOK     bool
	}{
		{name: "Success: OK drops message", st: New(OK, "ignored"), wantString: "OK", wantOK: true},
		{name: "Success: zero value is OK", st: Status{}, wantString: "OK", wantOK: true},
		{name: "Success: error with message", st: New(NotFound, "test-1"), wantString: "NOT_FOUND: test-1"},
		{name: "Success: error without message", st: New(Internal, ""), wantString: "INTERNAL"},
		{name: "Success: formatted", st: Newf(Aborted, "attempt %d", 3), wantString: "ABORTED: attempt 3"},
	}

	for _, test := range tests {
		if got := test.st.String(); got != test.wantString {
			t.Errorf("[TestStatus](%s): String() = %q, want %q", test.name, got, test.wantString)
		}
		if got := test.st.IsOK(); got != test.wantOK {
			t.Errorf("[TestStatus](%s): IsOK() = %v, want %v", test.name, got, test.wantOK)
		}
	}

	if OKStatus().Message != "" {
		t.Errorf("[TestStatus]: OKStatus() carries a message")
	}
}
