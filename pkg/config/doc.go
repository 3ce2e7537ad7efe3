// Package config loads the fieldtest.yaml configuration.
//
// # File format
//
//	projects:
//	  - name: staging
//	    base_url: https://staging.example.com
//	    test_ignore: ["users::slow_import"]
//	    retry:
//	      count: 2
//	      factor: 2
//	      min_delay: 100ms
//	      max_delay: 5s
//	tui:
//	  payload:
//	    color_theme: monokai
//
// Every project key other than name, test_ignore and retry becomes project
// data, readable from a test through the typed getters of engine.ProjectConfig.
// A file without projects, or no file at all, yields a single "default"
// project.
//
// # Loading
//
// The Loader reads the file named by FIELDTEST_CONFIG, or fieldtest.yaml in
// the working directory. Documents are decoded with yaml.v3, checked with
// validator struct tags and then against the CUE #Config schema held by the
// SchemaRegistry.
//
// # Environment
//
// A .env file is loaded first when present. FIELDTEST_<KEY> values are copied
// into the data of every project and FIELDTEST_<PROJECT>_<KEY> values into the
// named project only, keys lowercased. Project values override global values,
// which override the file.
//
// # Watching
//
// Watcher reloads the file on change, debounced, for the watch command.
package config
