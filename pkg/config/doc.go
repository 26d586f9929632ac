/*
Package config loads engine settings with viper.

Values come from, in increasing precedence: built-in defaults, an optional YAML file, an optional
.env file and environment variables prefixed with STREAMLINE_. Nested keys join with an
underscore:

	retry:
	  max_item_retries: 2          # STREAMLINE_RETRY_MAX_ITEM_RETRIES=2
	parallel:
	  overflow_policy: drop_oldest # STREAMLINE_PARALLEL_OVERFLOW_POLICY=drop_oldest
	dead_letter:
	  backend: sqlite              # memory, log, redis or sqlite
	  sqlite:
	    dsn: file:deadletters.db

Load validates struct tags and cross-field rules; enabling stage restarts without a bounded
materialization window is rejected. Accessors convert each section into the type the engine
consumes.
*/
package config
