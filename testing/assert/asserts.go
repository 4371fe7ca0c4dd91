package assert

import (
	"reflect"
	"testing"
)

// Equal compares the expected and actual values and logs an error if they are not equal
func Equal(t *testing.T, expected, actual any) {
	//if expected is nil and actual is not nil
	if expected == nil && actual != nil {
		t.Errorf("Expected: %v, Actual: %v", expected, actual)
	} else if expected != nil && actual == nil {
		t.Errorf("Expected: %v, Actual: %v", expected, actual)

	} else if expected == nil && actual == nil {
		//if both are nil, then they are equal
		return
		//if types of expected and actual are different

	} else if !reflect.DeepEqual(expected, actual) {
		t.Errorf("Expected: %v, Actual: %v", expected, actual)
	}

}

// Error logs an error if the error is nil
func Error(t *testing.T, err error) {
	if err == nil {
		t.Errorf("Expected: error, Actual: nil")
	}
}

// NoError logs an error if the error is not nil
func NoError(t *testing.T, err error) {
	if err != nil {
		t.Errorf("Expected: no error, Actual: %v", err)
	}
}
