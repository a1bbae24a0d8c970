// Package execution defines the data exchanged between the job engine and
// the language executors.
//
// A Request describes what to run (language, source, stdin, optional expected
// output and resource limits). A Result describes what happened, including the
// classified Verdict. Infrastructure faults never produce a Result; they are
// reported as a Failure with a FailureCode instead.
//
// Usage:
//
//	expected := "2"
//	req := execution.Request{
//	    Language:       "python",
//	    Source:         "print(1+1)",
//	    ExpectedOutput: &expected,
//	}
//	if err := req.Validate(); err != nil {
//	    return err
//	}
package execution
